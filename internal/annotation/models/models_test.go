package models

import "testing"

func TestCanTransition(t *testing.T) {
	all := []AnnotationStatus{StatusPending, StatusAcknowledged, StatusResolved, StatusDismissed}

	legal := map[AnnotationStatus]map[AnnotationStatus]bool{
		StatusPending:      {StatusAcknowledged: true, StatusDismissed: true},
		StatusAcknowledged: {StatusResolved: true, StatusDismissed: true},
		StatusResolved:     {StatusPending: true},
		StatusDismissed:    {StatusPending: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := from == to || legal[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransitionRejectsUnknownStatus(t *testing.T) {
	if CanTransition(StatusPending, "archived") {
		t.Error("transition to unknown status should be illegal")
	}
	if CanTransition("archived", StatusPending) {
		t.Error("transition from unknown status should be illegal")
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []AnnotationStatus{StatusPending, StatusAcknowledged, StatusResolved, StatusDismissed} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%s) = false", s)
		}
	}
	if ValidStatus("") || ValidStatus("archived") {
		t.Error("unknown statuses should be invalid")
	}
}

func TestValidIntent(t *testing.T) {
	for _, i := range []Intent{"", IntentFix, IntentChange, IntentQuestion, IntentApprove} {
		if !ValidIntent(i) {
			t.Errorf("ValidIntent(%q) = false", i)
		}
	}
	if ValidIntent("complain") {
		t.Error("unknown intent should be invalid")
	}
}

func TestValidSeverity(t *testing.T) {
	for _, s := range []Severity{"", SeverityBlocking, SeverityImportant, SeveritySuggestion} {
		if !ValidSeverity(s) {
			t.Errorf("ValidSeverity(%q) = false", s)
		}
	}
	if ValidSeverity("catastrophic") {
		t.Error("unknown severity should be invalid")
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleHuman) || !ValidRole(RoleAgent) {
		t.Error("human and agent are valid roles")
	}
	if ValidRole("") || ValidRole("system") {
		t.Error("unknown roles should be invalid")
	}
}
