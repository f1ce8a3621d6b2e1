package main

import "github.com/objectfs/artifactcache/cmd/artifactcache/cmd"

func main() {
	cmd.Execute()
}
