// Package app composes the request router into a running application.
//
// New opens the stores and locker named by the configuration, builds the
// sealed processor, registers every request handler the configuration
// enables and collects the background workers (pollers, the automation
// scheduler, the data feed refresher) under one lifecycle manager.
//
//	internal/app/
//	├── application.go   wiring and lifecycle
//	├── router/          request lifecycle, worker pool and handler contract
//	├── confidential/    sealed key material and attestation
//	├── poller/          lease-guarded settlement polling
//	├── services/        handlers and their supporting services
//	├── domain/          data types shared between packages
//	├── storage/         store interfaces with memory and postgres backends
//	├── locks/           leases for pollers that must run once per cluster
//	├── httpapi/         the authenticated HTTP surface
//	├── metrics/         prometheus collectors
//	└── system/          start and stop ordering
//
// The HTTP server is not part of the application; cmd/router builds it on
// top of the router and services exposed here.
package app
