// The main package for the browser-fetch executable.
package main

import "github.com/JakeFAU/browser-fetch/cmd"

func main() {
	cmd.Execute()
}
