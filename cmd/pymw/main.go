// Command pymw runs the master: either as a long-lived HTTP service (serve)
// or as a one-shot driver that submits a batch of inputs and prints the
// results (run).
package main

func main() {
	Execute()
}
