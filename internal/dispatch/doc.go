// Package dispatch implements the outbound bulk-send pipeline: recipient
// normalization, address resolution, paced sequential sending and the
// per-batch success/failure tally. Batches run detached from the request
// that triggered them.
package dispatch
