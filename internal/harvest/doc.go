// Package harvest defines the core domain types shared by the harvester
// pipeline: item references, captured metadata records, the classified
// error taxonomy, and the interfaces each component depends on.
package harvest
