package main

import "github.com/agentic-research/treemirror/cmd"

func main() {
	cmd.Execute()
}
