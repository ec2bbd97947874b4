// Command scrapeflow runs the scrape orchestration service and a few
// operator commands around it.
package main

func main() {
	Execute()
}
