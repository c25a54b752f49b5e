package internal

import "net/http"

// GlobalHandler is an HTTP surface that knows its own mount point.
type GlobalHandler interface {
	RegisterRoutes() (string, http.Handler)
}

// Mount registers every handler on mux, both at its path and below it.
func Mount(mux *http.ServeMux, handlers ...GlobalHandler) {
	for _, handler := range handlers {
		path, h := handler.RegisterRoutes()
		mux.Handle(path, h)
		if path != "/" {
			mux.Handle(path+"/", h)
		}
	}
}
