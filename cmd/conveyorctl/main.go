// Package main implements conveyorctl, a command line client for the
// conveyor REST API.
//
// Any coordinator replica can serve every command. The target is taken from
// --url, then CONVEYOR_URL, then http://localhost:8080.
//
// Example usage:
//
//	conveyorctl create -f connectors/file-source.properties
//	conveyorctl create words --config connector.class=FileStreamSink \
//	    --config topics=lines --config file=/tmp/out.txt
//	conveyorctl status words
//	conveyorctl restart words --task 0
//	conveyorctl state -o json
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
