// Package evaluator runs standing queries over record files as they arrive.
//
// This package is internal to pulsequery. A [Watcher] reports new or
// changed files in the records directory, and the [Evaluator] evaluates
// every active query over each file using a bounded worker pool, inserting
// one result per query.
//
// The main components are:
//
//   - [Watcher]: fsnotify-based directory watcher with debounce and rescan
//   - [Evaluator]: Reads files, evaluates queries, stores results
//   - [Outcome]: Result of evaluating one query over one file
//   - [ReadRecords]: JSON-lines record decoder
//
// Users of the pulsequery library should not need to interact with this
// package directly. Configuration is done through the main pulsequery package.
package evaluator
