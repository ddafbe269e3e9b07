package keys

// Package keys centralizes Redis key construction for the job store.
// It is kept in internal to avoid leaking key formats to public API.

// Job returns the string key holding the JSON record of a job.
func Job(ns, id string) string { return "jobhub:{" + ns + "}:job:" + id }

// Index returns the ZSET key of every job id scored by creation time in ms.
func Index(ns string) string { return "jobhub:{" + ns + "}:index" }

// Status returns the SET key of the job ids currently in status st.
func Status(ns, st string) string { return "jobhub:{" + ns + "}:status:" + st }

// Namespace holds the precomputed key prefix of a store namespace.
// The hash tag keeps every key of a namespace in one cluster slot so
// transactions can span them.
type Namespace struct {
	prefix string
	Index  string
}

// For returns the keys of namespace ns.
func For(ns string) Namespace {
	prefix := "jobhub:{" + ns + "}:"
	return Namespace{prefix: prefix, Index: prefix + "index"}
}

// Job returns the record key of id.
func (n Namespace) Job(id string) string { return n.prefix + "job:" + id }

// Status returns the status set key of st.
func (n Namespace) Status(st string) string { return n.prefix + "status:" + st }
