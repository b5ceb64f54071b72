// Mittari - Lambda Fleet Instrumentation
// Observe. Converge. Done.
package main

func main() {
	Execute()
}
