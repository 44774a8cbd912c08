// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"log"

	"conduit/platform/metering"
)

func main() {
	if err := metering.Run(); err != nil {
		log.Fatalf("metering: %v", err)
	}
}
