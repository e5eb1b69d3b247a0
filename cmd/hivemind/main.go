// Command hivemind coordinates a collective of agents working through a
// hierarchical task graph.
package main

func main() {
	Execute()
}
