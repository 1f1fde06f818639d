// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import "testing"

func TestDamage_Empty(t *testing.T) {
	var d Damage
	if !d.Empty() {
		t.Fatal("zero value should be empty")
	}
	lo, hi, area := d.Interval()
	if lo != 0 || hi != 0 || area != 0 {
		t.Fatalf("empty damage interval: got (%d, %d, %d)", lo, hi, area)
	}
}

func TestDamage_AddAndInterval(t *testing.T) {
	var d Damage
	d.AddRange(800, 808)
	d.AddRange(816, 824)

	lo, hi, area := d.Interval()
	if lo != 800 || hi != 824 {
		t.Errorf("expected covering range [800, 824), got [%d, %d)", lo, hi)
	}
	if area != 16 {
		t.Errorf("expected area 16, got %d", area)
	}
}

func TestDamage_ExtIntervalRepetitions(t *testing.T) {
	var d Damage
	// Três linhas de 16 bytes com stride 64: [100,116) [164,180) [228,244)
	d.Add(ExtInterval{Start: 100, Width: 16, Stride: 64, Rep: 3})

	lo, hi, area := d.Interval()
	if lo != 100 || hi != 244 {
		t.Errorf("expected covering range [100, 244), got [%d, %d)", lo, hi)
	}
	if area != 48 {
		t.Errorf("expected area 48, got %d", area)
	}
}

func TestDamage_Everything(t *testing.T) {
	var d Damage
	d.AddRange(0, 10)
	d.Everything()
	if !d.IsEverything() {
		t.Fatal("expected everything sentinel")
	}
	if d.Intervals() != nil {
		t.Fatal("everything damage should have no interval list")
	}
	// Adds depois de Everything são redundantes.
	d.AddRange(50, 60)
	if !d.IsEverything() || d.Intervals() != nil {
		t.Fatal("add after everything should be ignored")
	}
}

func TestDamage_Reset(t *testing.T) {
	var d Damage
	d.Everything()
	d.Reset()
	if !d.Empty() {
		t.Fatal("reset should clear the everything sentinel")
	}
	d.AddRange(0, 8)
	d.Reset()
	if !d.Empty() {
		t.Fatal("reset should clear intervals")
	}
}

func TestDamage_IgnoresDegenerate(t *testing.T) {
	var d Damage
	d.Add(ExtInterval{Start: 0, Width: 0, Rep: 1})
	d.Add(ExtInterval{Start: 0, Width: 8, Rep: 0})
	if !d.Empty() {
		t.Fatal("degenerate intervals should be ignored")
	}
}
