// Package remora is a verification-query orchestration layer for neural
// networks. It takes an abstract constraint network (see package query)
// together with input/output constraints and decides whether some input
// satisfying the constraints drives an output into the target region (sat),
// or proves none exists (unsat), within configured resource budgets.
//
// The heavy lifting happens in package snc, a Split-and-Conquer search over
// a tree of sub-queries, each attempted by a bound-tightening constraint
// engine and partitioned further when it does not resolve in time. Package
// options holds the validated solving configuration; package result maps
// outcomes onto the fixed exit-code protocol.
package remora
