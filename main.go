package main

import (
	"github.com/ajmoreau/wavelength/cmd"
)

func main() {
	cmd.Execute()
}
