package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	apperrors "github.com/keybound/keybound/internal/platform/errors"
	"github.com/keybound/keybound/internal/services/tracker/domain/event"
	"github.com/keybound/keybound/internal/services/tracker/domain/relationship"
	"github.com/keybound/keybound/internal/services/tracker/domain/request"
	"github.com/keybound/keybound/internal/services/tracker/domain/role"
	"github.com/keybound/keybound/internal/services/tracker/domain/session"
	"github.com/keybound/keybound/internal/services/tracker/domain/task"
	"github.com/keybound/keybound/internal/services/tracker/storage/memory"
	"github.com/keybound/keybound/internal/services/tracker/watch"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func sequentialIDGenerator() func() (string, error) {
	var counter int
	return func() (string, error) {
		counter++
		return fmt.Sprintf("id-%03d", counter), nil
	}
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := New(memory.NewStore(), WithClock(clk.Now), WithIDGenerator(sequentialIDGenerator()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, clk
}

// pair establishes an active relationship between user-sub and user-key and
// returns its ID.
func pair(t *testing.T, svc *Service) string {
	t.Helper()
	ctx := context.Background()
	code, err := svc.CreateInvite(ctx, "user-sub", 0)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	rel, err := svc.ClaimInvite(ctx, code.Code, "user-key")
	if err != nil {
		t.Fatalf("ClaimInvite: %v", err)
	}
	return rel.ID
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if got := apperrors.GetCode(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestInviteLimitAndRevoke(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 3; i++ {
		code, err := svc.CreateInvite(ctx, "user-sub", 0)
		if err != nil {
			t.Fatalf("CreateInvite %d: %v", i, err)
		}
		last = code.ID
	}
	_, err := svc.CreateInvite(ctx, "user-sub", 0)
	wantCode(t, err, apperrors.CodeInviteLimitExceeded)

	// Only the issuing submissive may revoke; unknown ids stay NotFound.
	_, err = svc.RevokeInvite(ctx, "user-other", last)
	wantCode(t, err, apperrors.CodePermissionDenied)
	_, err = svc.RevokeInvite(ctx, "user-sub", "inv-missing")
	wantCode(t, err, apperrors.CodeNotFound)

	if _, err := svc.RevokeInvite(ctx, "user-sub", last); err != nil {
		t.Fatalf("RevokeInvite: %v", err)
	}
	if _, err := svc.CreateInvite(ctx, "user-sub", 0); err != nil {
		t.Fatalf("CreateInvite after revoke: %v", err)
	}

	// Expired codes stop counting against the limit.
	clk.Advance(25 * time.Hour)
	if _, err := svc.CreateInvite(ctx, "user-sub", 0); err != nil {
		t.Fatalf("CreateInvite after expiry: %v", err)
	}
}

func TestClaimInvite(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	code, err := svc.CreateInvite(ctx, "user-sub", 0)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	_, err = svc.ClaimInvite(ctx, "ab12cd", "user-key")
	wantCode(t, err, apperrors.CodeInviteCodeMalformed)

	_, err = svc.ClaimInvite(ctx, code.Code, "user-sub")
	wantCode(t, err, apperrors.CodeSelfLink)

	rel, err := svc.ClaimInvite(ctx, code.Code, "user-key")
	if err != nil {
		t.Fatalf("ClaimInvite: %v", err)
	}
	if rel.SubmissiveID != "user-sub" || rel.KeyholderID != "user-key" {
		t.Errorf("participants = %q/%q", rel.SubmissiveID, rel.KeyholderID)
	}
	if rel.Status != relationship.StatusActive {
		t.Errorf("Status = %s, want ACTIVE", rel.Status)
	}
	if rel.Permissions != relationship.DefaultPermissions() {
		t.Errorf("Permissions = %+v", rel.Permissions)
	}

	// Tracker state is bootstrapped with the relationship.
	data, err := svc.GetTrackerData(ctx, rel.ID, "user-sub")
	if err != nil {
		t.Fatalf("GetTrackerData: %v", err)
	}
	if data.Current.IsActive || !data.Settings.TrackingEnabled {
		t.Errorf("tracker data = %+v", data)
	}

	// A consumed code reads the same as a missing one.
	_, err = svc.ClaimInvite(ctx, code.Code, "user-key2")
	wantCode(t, err, apperrors.CodeNotFound)

	// A second keyholder cannot claim a fresh code while the pair is live.
	second, err := svc.CreateInvite(ctx, "user-sub", 0)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	_, err = svc.ClaimInvite(ctx, second.Code, "user-key2")
	wantCode(t, err, apperrors.CodeAlreadyLinked)

	// An expired code cannot be claimed and also reads as missing.
	if _, err := svc.EndRelationship(ctx, rel.ID, "user-sub"); err != nil {
		t.Fatalf("EndRelationship: %v", err)
	}
	clk.Advance(25 * time.Hour)
	_, err = svc.ClaimInvite(ctx, second.Code, "user-key2")
	wantCode(t, err, apperrors.CodeNotFound)
}

func TestPairingRequests(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()

	req, err := svc.SendRequest(ctx, request.CreateInput{
		FromUserID: "user-sub",
		ToUserID:   "user-key",
		FromRole:   role.RoleSubmissive,
		Message:    "please hold my key",
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if req.ToRole != role.RoleKeyholder {
		t.Errorf("ToRole = %s, want complementary keyholder", req.ToRole)
	}

	_, err = svc.RespondToRequest(ctx, req.ID, "user-sub", true)
	wantCode(t, err, apperrors.CodePermissionDenied)

	accepted, err := svc.RespondToRequest(ctx, req.ID, "user-key", true)
	if err != nil {
		t.Fatalf("RespondToRequest: %v", err)
	}
	if accepted.Status != request.StatusAccepted {
		t.Errorf("Status = %s", accepted.Status)
	}

	rels, err := svc.GetUserRelationships(ctx, "user-key")
	if err != nil {
		t.Fatalf("GetUserRelationships: %v", err)
	}
	if len(rels) != 1 || rels[0].SubmissiveID != "user-sub" || rels[0].KeyholderID != "user-key" {
		t.Fatalf("relationships = %+v", rels)
	}

	// Responding twice conflicts.
	_, err = svc.RespondToRequest(ctx, req.ID, "user-key", false)
	wantCode(t, err, apperrors.CodeConflict)

	// A request to an already linked submissive is refused up front.
	_, err = svc.SendRequest(ctx, request.CreateInput{
		FromUserID: "user-key2",
		ToUserID:   "user-sub",
		FromRole:   role.RoleKeyholder,
	})
	wantCode(t, err, apperrors.CodeAlreadyLinked)

	// Expired requests cannot be accepted.
	late, err := svc.SendRequest(ctx, request.CreateInput{
		FromUserID: "user-sub2",
		ToUserID:   "user-key2",
		FromRole:   role.RoleSubmissive,
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	clk.Advance(8 * 24 * time.Hour)
	_, err = svc.RespondToRequest(ctx, late.ID, "user-key2", true)
	wantCode(t, err, apperrors.CodeValidation)
}

func TestRelationshipTransitions(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	_, err := svc.ResumeRelationship(ctx, relID, "user-sub")
	wantCode(t, err, apperrors.CodeInvalidTransition)

	paused, err := svc.PauseRelationship(ctx, relID, "user-sub")
	if err != nil {
		t.Fatalf("PauseRelationship: %v", err)
	}
	if paused.Status != relationship.StatusPaused {
		t.Errorf("Status = %s", paused.Status)
	}

	resumed, err := svc.ResumeRelationship(ctx, relID, "user-key")
	if err != nil {
		t.Fatalf("ResumeRelationship: %v", err)
	}
	if resumed.Status != relationship.StatusActive {
		t.Errorf("Status = %s", resumed.Status)
	}

	ended, err := svc.EndRelationship(ctx, relID, "user-key")
	if err != nil {
		t.Fatalf("EndRelationship: %v", err)
	}
	if ended.Status != relationship.StatusEnded || ended.EndedAt == nil {
		t.Errorf("ended = %+v", ended)
	}

	_, err = svc.PauseRelationship(ctx, relID, "user-sub")
	wantCode(t, err, apperrors.CodeInvalidTransition)

	_, err = svc.PauseRelationship(ctx, relID, "user-stranger")
	wantCode(t, err, apperrors.CodePermissionDenied)
}

func TestUpdatePermissionsKeyholderOnly(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	perms := relationship.DefaultPermissions()
	perms.KeyholderCanEditTasks = false

	_, err := svc.UpdatePermissions(ctx, relID, "user-sub", perms)
	wantCode(t, err, apperrors.CodePermissionDenied)

	updated, err := svc.UpdatePermissions(ctx, relID, "user-key", perms)
	if err != nil {
		t.Fatalf("UpdatePermissions: %v", err)
	}
	if updated.Permissions.KeyholderCanEditTasks {
		t.Error("KeyholderCanEditTasks still true")
	}

	// The revoked permission now blocks keyholder task creation.
	_, err = svc.CreateTask(ctx, relID, "user-key", CreateTaskInput{Text: "do it"})
	wantCode(t, err, apperrors.CodePermissionDenied)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	sess, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{GoalSeconds: 3600})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(sess.Events) != 1 || sess.Events[0].Type != session.EventStart {
		t.Errorf("events = %+v", sess.Events)
	}

	_, err = svc.StartSession(ctx, relID, "user-sub", StartSessionInput{})
	wantCode(t, err, apperrors.CodeSessionAlreadyActive)

	_, err = svc.ResumeSession(ctx, relID, "user-sub")
	wantCode(t, err, apperrors.CodeSessionNotPaused)

	clk.Advance(30 * time.Minute)
	current, err := svc.PauseSession(ctx, relID, "user-sub", "shower")
	if err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if current.PausedAt == nil {
		t.Fatal("PausedAt not set")
	}

	_, err = svc.PauseSession(ctx, relID, "user-sub", "again")
	wantCode(t, err, apperrors.CodeSessionAlreadyPaused)

	clk.Advance(10 * time.Minute)
	current, err = svc.ResumeSession(ctx, relID, "user-sub")
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if current.PausedSeconds != 600 {
		t.Errorf("PausedSeconds = %d, want 600", current.PausedSeconds)
	}

	clk.Advance(40 * time.Minute)
	ended, err := svc.EndSession(ctx, relID, "user-sub", EndSessionInput{Notes: "done"})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	// 80 minutes wall clock, 10 of them paused.
	if ended.DurationSeconds != 4800 {
		t.Errorf("DurationSeconds = %d, want 4800", ended.DurationSeconds)
	}
	if ended.PausedSeconds != 600 {
		t.Errorf("PausedSeconds = %d, want 600", ended.PausedSeconds)
	}
	if ended.EffectiveSeconds() != 4200 {
		t.Errorf("EffectiveSeconds = %d, want 4200", ended.EffectiveSeconds())
	}
	if !ended.GoalMet {
		t.Error("GoalMet = false, want true for 70m effective vs 60m goal")
	}
	if err := session.ValidateEvents(ended.Events); err != nil {
		t.Errorf("ValidateEvents: %v", err)
	}

	_, err = svc.EndSession(ctx, relID, "user-sub", EndSessionInput{})
	wantCode(t, err, apperrors.CodeNotFound)

	// A fresh session can start once the first ended.
	if _, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{}); err != nil {
		t.Fatalf("StartSession after end: %v", err)
	}
}

func TestEndSessionWhilePausedClosesInterval(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	if _, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := svc.PauseSession(ctx, relID, "user-sub", ""); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	clk.Advance(30 * time.Minute)

	ended, err := svc.EndSession(ctx, relID, "user-sub", EndSessionInput{})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.DurationSeconds != 5400 || ended.PausedSeconds != 1800 {
		t.Errorf("duration/paused = %d/%d, want 5400/1800", ended.DurationSeconds, ended.PausedSeconds)
	}
	if ended.EffectiveSeconds() != 3600 {
		t.Errorf("EffectiveSeconds = %d, want 3600", ended.EffectiveSeconds())
	}
}

func TestSessionSettingsGates(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	settings := session.DefaultSettings()
	settings.AllowPausing = false
	settings.RequireReasonForEnd = true
	if _, err := svc.UpdateSettings(ctx, relID, "user-sub", settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	sess, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	// RequireReasonForEnd flags the new session for keyholder approval.
	if !sess.Approval.Required {
		t.Error("Approval.Required = false, want true")
	}
	data, err := svc.GetTrackerData(ctx, relID, "user-sub")
	if err != nil {
		t.Fatalf("GetTrackerData: %v", err)
	}
	if !data.Current.KeyholderApprovalRequired {
		t.Error("Current.KeyholderApprovalRequired = false, want true")
	}

	_, err = svc.PauseSession(ctx, relID, "user-sub", "")
	wantCode(t, err, apperrors.CodeValidation)

	_, err = svc.EndSession(ctx, relID, "user-sub", EndSessionInput{})
	wantCode(t, err, apperrors.CodeValidation)

	if _, err := svc.EndSession(ctx, relID, "user-sub", EndSessionInput{Reason: "travel"}); err != nil {
		t.Fatalf("EndSession with reason: %v", err)
	}

	settings.TrackingEnabled = false
	if _, err := svc.UpdateSettings(ctx, relID, "user-sub", settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	_, err = svc.StartSession(ctx, relID, "user-sub", StartSessionInput{})
	wantCode(t, err, apperrors.CodeValidation)
}

func TestEmergencyUnlock(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	_, err := svc.EmergencyUnlock(ctx, relID, "user-sub", "panic")
	wantCode(t, err, apperrors.CodeNotFound)

	settings := session.DefaultSettings()
	settings.RequireReasonForEnd = true
	if _, err := svc.UpdateSettings(ctx, relID, "user-sub", settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if _, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{HardcoreMode: true}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// The keyholder cannot trigger the emergency release.
	_, err = svc.EmergencyUnlock(ctx, relID, "user-key", "")
	wantCode(t, err, apperrors.CodePermissionDenied)

	// The unlock works even while the relationship is paused and ignores
	// the end-reason requirement.
	if _, err := svc.PauseRelationship(ctx, relID, "user-sub"); err != nil {
		t.Fatalf("PauseRelationship: %v", err)
	}
	clk.Advance(time.Hour)
	ended, err := svc.EmergencyUnlock(ctx, relID, "user-sub", "")
	if err != nil {
		t.Fatalf("EmergencyUnlock: %v", err)
	}
	if ended.EndTime == nil || ended.DurationSeconds != 3600 {
		t.Errorf("ended = %+v", ended)
	}

	// The revoked permission blocks the unlock.
	if _, err := svc.ResumeRelationship(ctx, relID, "user-sub"); err != nil {
		t.Fatalf("ResumeRelationship: %v", err)
	}
	perms := relationship.DefaultPermissions()
	perms.EmergencyUnlock = false
	if _, err := svc.UpdatePermissions(ctx, relID, "user-key", perms); err != nil {
		t.Fatalf("UpdatePermissions: %v", err)
	}
	if _, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, err = svc.EmergencyUnlock(ctx, relID, "user-sub", "")
	wantCode(t, err, apperrors.CodePermissionDenied)
}

func TestWatchTasks(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	var updates []watch.TaskUpdate
	unsubscribe, err := svc.WatchTasks(ctx, relID, "user-key", func(u watch.TaskUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("WatchTasks: %v", err)
	}
	if len(updates) != 1 || len(updates[0].Tasks) != 0 {
		t.Fatalf("initial updates = %+v", updates)
	}

	created, err := svc.CreateTask(ctx, relID, "user-key", CreateTaskInput{Text: "tidy up"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(updates) != 2 || len(updates[1].Tasks) != 1 {
		t.Fatalf("updates after create = %+v", updates)
	}

	if _, err := svc.SubmitTask(ctx, created.ID, "user-sub", ""); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if len(updates) != 3 || updates[2].Tasks[0].Status != task.StatusSubmitted {
		t.Fatalf("updates after submit = %+v", updates)
	}

	unsubscribe()
	if _, err := svc.ApproveTask(ctx, created.ID, "user-key", ""); err != nil {
		t.Fatalf("ApproveTask: %v", err)
	}
	if len(updates) != 3 {
		t.Error("received update after unsubscribe")
	}
}

func TestPausedRelationshipBlocksSessions(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	if _, err := svc.PauseRelationship(ctx, relID, "user-sub"); err != nil {
		t.Fatalf("PauseRelationship: %v", err)
	}
	_, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{})
	wantCode(t, err, apperrors.CodePairPaused)
}

type capturedNotification struct {
	taskID string
	status task.Status
	actor  role.Role
}

type fakeNotifier struct {
	notifications []capturedNotification
}

func (n *fakeNotifier) TaskStatusChanged(_ context.Context, _ string, taskID string, actor role.Role, status task.Status) {
	n.notifications = append(n.notifications, capturedNotification{taskID: taskID, status: status, actor: actor})
}

func TestTaskWorkflow(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &fakeNotifier{}
	svc, err := New(memory.NewStore(), WithClock(clk.Now), WithIDGenerator(sequentialIDGenerator()), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	relID := pair(t, svc)

	created, err := svc.CreateTask(ctx, relID, "user-key", CreateTaskInput{Text: "polish", Consequence: "extra day"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.Status != task.StatusPending || created.AssignedBy != role.RoleKeyholder {
		t.Errorf("task = %+v", created)
	}

	// Only the submissive can submit.
	_, err = svc.SubmitTask(ctx, created.ID, "user-key", "")
	wantCode(t, err, apperrors.CodeInvalidTransition)

	submitted, err := svc.SubmitTask(ctx, created.ID, "user-sub", "all done")
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if submitted.Status != task.StatusSubmitted || submitted.SubmittedAt == nil || submitted.SubmissiveNote != "all done" {
		t.Errorf("submitted = %+v", submitted)
	}

	// Only the keyholder can review.
	_, err = svc.ApproveTask(ctx, created.ID, "user-sub", "")
	wantCode(t, err, apperrors.CodeInvalidTransition)

	approved, err := svc.ApproveTask(ctx, created.ID, "user-key", "good work")
	if err != nil {
		t.Fatalf("ApproveTask: %v", err)
	}
	if approved.Status != task.StatusApproved || approved.KeyholderFeedback != "good work" {
		t.Errorf("approved = %+v", approved)
	}

	completed, err := svc.CompleteTask(ctx, created.ID, "user-sub")
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if completed.Status != task.StatusCompleted || completed.CompletedAt == nil {
		t.Errorf("completed = %+v", completed)
	}

	// Every step notifies, starting with the assignment itself.
	if len(notifier.notifications) != 4 {
		t.Fatalf("notifications = %d, want 4", len(notifier.notifications))
	}
	if notifier.notifications[0].status != task.StatusPending || notifier.notifications[0].actor != role.RoleKeyholder {
		t.Errorf("assignment notification = %+v", notifier.notifications[0])
	}
	if notifier.notifications[3].status != task.StatusCompleted || notifier.notifications[3].actor != role.RoleSubmissive {
		t.Errorf("final notification = %+v", notifier.notifications[3])
	}

	// Rejection is terminal.
	second, err := svc.CreateTask(ctx, relID, "user-sub", CreateTaskInput{Text: "lines"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := svc.SubmitTask(ctx, second.ID, "user-sub", ""); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	rejected, err := svc.RejectTask(ctx, second.ID, "user-key", "sloppy")
	if err != nil {
		t.Fatalf("RejectTask: %v", err)
	}
	if rejected.Status != task.StatusRejected {
		t.Errorf("Status = %s", rejected.Status)
	}
	_, err = svc.SubmitTask(ctx, second.ID, "user-sub", "")
	wantCode(t, err, apperrors.CodeInvalidTransition)
	_, err = svc.CompleteTask(ctx, second.ID, "user-key")
	wantCode(t, err, apperrors.CodeInvalidTransition)

	tasks, err := svc.ListTasks(ctx, relID, "user-sub", 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}
}

func TestEventLogAndRedaction(t *testing.T) {
	t.Parallel()
	svc, clk := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	if _, err := svc.LogEvent(ctx, relID, "user-sub", event.AppendInput{
		Type:      "journal_entry",
		IsPrivate: true,
		Details:   event.Details{Notes: "private feelings", Rating: 2},
	}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := svc.LogEvent(ctx, relID, "user-sub", event.AppendInput{
		Type:    "journal_entry",
		Tags:    []string{"daily"},
		Details: event.Details{Notes: "slept well", Rating: 4},
	}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	// The submissive sees everything.
	all, err := svc.ListEvents(ctx, relID, "user-sub", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	// Pairing itself logged one relationship event.
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	// The keyholder's view drops the private entry and the notes.
	visible, err := svc.ListEvents(ctx, relID, "user-key", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("len = %d, want private entry dropped", len(visible))
	}
	for _, evt := range visible {
		if evt.Details.Notes != "" {
			t.Errorf("notes leaked to keyholder: %q", evt.Details.Notes)
		}
	}

	rating := 4
	found, err := svc.SearchEvents(ctx, relID, "user-sub", event.Query{Rating: &rating, Tags: []string{"daily"}})
	if err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("len(found) = %d, want 1", len(found))
	}

	_, err = svc.ListEvents(ctx, relID, "user-stranger", 0)
	wantCode(t, err, apperrors.CodePermissionDenied)
}

func TestWatchTracker(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	relID := pair(t, svc)

	var updates []watch.Update
	unsubscribe, err := svc.WatchTracker(ctx, relID, "user-key", func(u watch.Update) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("WatchTracker: %v", err)
	}
	// The current snapshot arrives immediately.
	if len(updates) != 1 {
		t.Fatalf("len(updates) = %d, want initial snapshot", len(updates))
	}

	if _, err := svc.StartSession(ctx, relID, "user-sub", StartSessionInput{}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(updates))
	}
	if !updates[1].Data.Current.IsActive {
		t.Error("update does not reflect active session")
	}

	unsubscribe()
	if _, err := svc.EndSession(ctx, relID, "user-sub", EndSessionInput{}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(updates) != 2 {
		t.Error("received update after unsubscribe")
	}

	_, err = svc.WatchTracker(ctx, relID, "user-stranger", func(watch.Update) {})
	wantCode(t, err, apperrors.CodePermissionDenied)
}
