// Command pymw-wordcount is an example file-input worker: it counts the
// words in every file or byte range of its task.
//
//	pymw run --file-input ./pymw-wordcount a.txt b.txt
package main

import (
	"bytes"

	"github.com/dMaggot/pymw/internal/taskio"
)

func main() {
	taskio.MainFiles(func(chunks [][]byte) (int, error) {
		n := 0
		for _, c := range chunks {
			n += len(bytes.Fields(c))
		}
		return n, nil
	})
}
