// Command cmdgate serves a command dispatcher over HTTP.
package main

func main() {
	Execute()
}
