// Package testing groups test helpers for code built on the unit-of-work
// packages.
//
//   - mocks: testify mocks of the provider abstraction (Provider, Link, Tx)
//   - containers: PostgreSQL, Oracle and RabbitMQ containers for tests
//     behind the integration build tag
//
// The recording fake provider used for transaction state tests lives in
// database/testing.
package testing
