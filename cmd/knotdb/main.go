// Command knotdb inspects section containers and knot databases.
package main

func main() {
	Execute()
}
