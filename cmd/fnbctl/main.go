// Command fnbctl administers the access control catalogue and background jobs.
package main

import "os"

func main() {
	os.Exit(execute())
}
