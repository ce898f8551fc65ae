// Package sf provides a single-flight gate for one-time initialization
// that may fail.
//
// Providers create their tables or collections lazily on first use.
// Concurrent first callers share one attempt, and a failed attempt is
// retried by the next caller instead of being cached:
//
//	var schema sf.Gate
//
//	func (p *Provider) ensureSchema(ctx context.Context) error {
//	    return schema.Do(func() error { return p.createTables(ctx) })
//	}
package sf
