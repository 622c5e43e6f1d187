package main

import "fraud-anomaly-scoring/internal/cli"

func main() {
	cli.Execute()
}
