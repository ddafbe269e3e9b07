package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	ns := "prod"
	assert.Equal(t, "jobhub:{prod}:job:abc", Job(ns, "abc"))
	assert.Equal(t, "jobhub:{prod}:index", Index(ns))
	assert.Equal(t, "jobhub:{prod}:status:queued", Status(ns, "queued"))
}

func TestKeys_For(t *testing.T) {
	n := For("prod")
	assert.Equal(t, Index("prod"), n.Index)
	assert.Equal(t, Job("prod", "abc"), n.Job("abc"))
	assert.Equal(t, Status("prod", "running"), n.Status("running"))
}
