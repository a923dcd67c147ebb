// Command pymw-square is an example worker executable: it reads an integer
// and writes its square.
//
//	pymw run -n 4 ./pymw-square 0 1 2 3 4 5 6 7 8 9
package main

import "github.com/dMaggot/pymw/internal/taskio"

func main() {
	taskio.Main(func(x int) (int, error) {
		return x * x, nil
	})
}
