package main

import (
	"github.com/BioHazard786/warpcall/cmd"
)

func main() {
	cmd.Execute()
}
