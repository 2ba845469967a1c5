// Program hypercore-depgraph prints a Graphviz DOT description of the
// module's internal package dependency graph.
//
// Adapted from misc/depgraph/main.go, which shelled out to `go mod
// graph` over biscuit's multi-module workspace. This module is a
// single package tree, so the interesting graph is the import graph
// among internal/... and cmd/... packages, which golang.org/x/tools/go/packages
// already knows how to load and walk; no subprocess needed.
package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
)

func main() {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "hypercore/...")
	if err != nil {
		panic(err)
	}

	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()
	writer.WriteString("digraph deps {\n")
	for _, pkg := range pkgs {
		for _, imp := range pkg.Imports {
			if len(imp.PkgPath) < len("hypercore") || imp.PkgPath[:len("hypercore")] != "hypercore" {
				continue // external dependency: not part of the internal graph
			}
			fmt.Fprintf(writer, "    %q -> %q;\n", pkg.PkgPath, imp.PkgPath)
		}
	}
	writer.WriteString("}\n")
}
