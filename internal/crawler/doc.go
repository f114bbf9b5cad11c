// Package crawler defines the data model shared by every pipeline stage: seeds,
// sink items, control tokens, the tagged Value a fetch routine yields, and the
// collaborator interfaces (backlog, acknowledger, sink) the pipeline is built
// around. It has no dependencies on concrete storage or transport packages.
package crawler
