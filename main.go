package main

import (
	"fmt"
	"os"
)

func main() {
	cli, err := ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	currentLevel = resolveLevel()

	ambient, err := LoadAmbientConfig(cli.ConfigPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	app := NewApp(cli, ambient)
	if err := app.Run(); err != nil {
		fatalf("ERR %v", err)
	}
}
