// Copyright (c) Edgewire
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"testing"
)

func TestGetReturnsConfiguredSize(t *testing.T) {
	p := New(4096)

	b := p.Get()
	if len(b) != 4096 {
		t.Errorf("len(Get()) = %d, want 4096", len(b))
	}
	p.Put(b)
}

func TestDefaultSize(t *testing.T) {
	p := New(0)
	if p.Size() != DefaultBufferSize {
		t.Errorf("Size() = %d, want %d", p.Size(), DefaultBufferSize)
	}
}

func TestPutWrongSizeDropped(t *testing.T) {
	p := New(1024)

	// Must not panic or poison the pool.
	p.Put(make([]byte, 16))

	b := p.Get()
	if len(b) != 1024 {
		t.Errorf("len(Get()) = %d after foreign Put, want 1024", len(b))
	}
}

func TestPutRestoresFullLength(t *testing.T) {
	p := New(1024)

	b := p.Get()
	p.Put(b[:10])

	got := p.Get()
	if len(got) != 1024 {
		t.Errorf("len(Get()) = %d after truncated Put, want 1024", len(got))
	}
}
