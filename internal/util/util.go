// Package util provides small helpers shared by the proxy packages.
package util
