// Package types contains the provider abstraction and error taxonomy shared by
// the database packages. Providers for each engine implement Provider, Link and
// Tx; the database package builds connections and nested transactions on top.
//
//revive:disable-next-line:var-naming // Package name "types" avoids circular imports.
package types
