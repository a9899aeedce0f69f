package main

import "github.com/Brownie44l1/ranjana-api/internal/logger"

var log = logger.GetLogger()

func main() {
	log.Info("Starting ranjana")
	Execute()
}
