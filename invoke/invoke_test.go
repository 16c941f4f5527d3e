// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package invoke

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestPermanent(t *testing.T) {
	for _, c := range []struct {
		err       error
		permanent bool
	}{
		{nil, false},
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{errors.E(errors.Invalid, "bad payload"), true},
		{errors.E(errors.NotExist, "no such function"), true},
		{errors.E(errors.Fatal, "fatal"), true},
		{errors.E(errors.Unavailable, errors.Temporary, "throttled"), false},
		{errors.E(errors.Net, "connection reset"), false},
		{errors.New("unknown"), false},
	} {
		if got, want := Permanent(c.err), c.permanent; got != want {
			t.Errorf("%v: got %v, want %v", c.err, got, want)
		}
	}
}

func TestValidTarget(t *testing.T) {
	for _, target := range Targets {
		if !ValidTarget(target) {
			t.Errorf("target %s not valid", target)
		}
	}
	if ValidTarget("reduce") {
		t.Error("unexpected valid target")
	}
}

func TestFactoryRegistry(t *testing.T) {
	RegisterFactory("TestFactoryRegistry", func(ctx context.Context, config []byte, self Invoker) (Handler, error) {
		return nil, nil
	})
	if _, err := lookupFactory("TestFactoryRegistry"); err != nil {
		t.Fatal(err)
	}
	if _, err := lookupFactory("nonexistent"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	RegisterFactory("TestFactoryRegistry", nil)
}
