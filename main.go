// Command crawlsched runs the crawl scheduler.
package main

import "github.com/JakeFAU/crawl-scheduler/cmd"

func main() {
	cmd.Execute()
}
