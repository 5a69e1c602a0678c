package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

func Pending(q string) string { return "relayq:{" + q + "}:pending" }
func Delayed(q string) string { return "relayq:{" + q + "}:delayed" }

// Inflight is a ZSET of claimed task IDs scored by claim deadline.
func Inflight(q string) string { return "relayq:{" + q + "}:inflight" }

// Claims is a HASH mapping claimed task IDs to the claiming worker.
func Claims(q string) string { return "relayq:{" + q + "}:claims" }

// Seq is the per-queue counter that breaks priority ties FIFO.
func Seq(q string) string { return "relayq:{" + q + "}:seq" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Pending  string
	Delayed  string
	Inflight string
	Claims   string
	Seq      string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "relayq:{" + q + "}:"
	return Queue{
		Pending:  prefix + "pending",
		Delayed:  prefix + "delayed",
		Inflight: prefix + "inflight",
		Claims:   prefix + "claims",
		Seq:      prefix + "seq",
	}
}
