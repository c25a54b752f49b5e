package main

import (
	"github.com/JoeGlenn1213/lgh/internal/cli"
	_ "github.com/JoeGlenn1213/lgh/pkg/log"
)

func main() {
	cli.Execute()
}
