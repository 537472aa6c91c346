// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import "errors"

// Run reports that live probing needs the Linux SG layer.
func (t *probeCmd) Run(ctx *context) error {
	return errors.New("probing devices requires Linux (SG_IO); use dump with a saved block")
}
