// Package pkg provides the core libraries for the stevedore package installer.
//
// # Overview
//
// Stevedore resolves, fetches, verifies, and lays out a package's transitive
// dependency tree from an npm-style registry. The pkg directory is organized
// by install phase:
//
//  1. [manifest] - package.json requirement reading
//  2. [registry] - registry metadata fetches and tarball downloads
//  3. [resolver] - deterministic dependency-graph resolution
//  4. [linker] - hoisting resolved versions into a flat layout
//  5. [integrity] - digest verification and tar.gz extraction
//  6. [install] - the orchestrator tying the phases together
//
// # Architecture
//
// The typical data flow through an install run:
//
//	package.json requirements
//	         ↓
//	    [resolver] (metadata via [registry], memoized per name)
//	         ↓
//	    [linker] (first-claim-wins hoisting)
//	         ↓
//	    [registry] tarball downloads (content [cache], digest checks)
//	         ↓
//	    [integrity] extraction into the node_modules layout
//
// # Quick Start
//
//	ins := install.New(install.Options{
//	    Progress: func(msg string) { fmt.Println(msg) },
//	})
//	if err := ins.Install(ctx, "."); err != nil {
//	    log.Fatal(err)
//	}
//
// Supporting packages: [errors] (structured error codes), [httputil]
// (retry and failure classification), [cache] (on-disk tarball cache),
// [buildinfo] (ldflags version info).
//
// [manifest]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/manifest
// [registry]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/registry
// [resolver]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/resolver
// [linker]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/linker
// [integrity]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/integrity
// [install]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/install
// [errors]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/errors
// [httputil]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/httputil
// [cache]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/cache
// [buildinfo]: https://pkg.go.dev/github.com/stevedore-pm/stevedore/pkg/buildinfo
package pkg
