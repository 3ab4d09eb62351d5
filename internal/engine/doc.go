// Package engine ties the dependency graph, gate evaluator, blocked-state
// cache, readiness queries and workflow scheduler together behind one facade.
// Every mutation and the cache invalidation it triggers complete before the
// call returns, so callers always read a settled view of blocked state.
package engine
