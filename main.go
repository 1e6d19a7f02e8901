// Command cleancrawl crawls websites and writes their main content as Markdown.
package main

import "github.com/JakeFAU/cleancrawl/cmd"

func main() {
	cmd.Execute()
}
