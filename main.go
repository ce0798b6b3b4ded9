// Package main is the entry point for the xcli command-line client.
package main

import (
	"github.com/xiaoma20082008/polardbx-glue/cmd/xcli"
)

func main() {
	xcli.Execute()
}
