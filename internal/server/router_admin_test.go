package server

import (
	"net/http"
	"testing"
)

func TestAdminEndpointsRejectNonAdmins(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/admin/allowed-emails"},
		{http.MethodPost, "/api/admin/allowed-emails"},
		{http.MethodDelete, "/api/admin/allowed-emails/someone@example.com"},
		{http.MethodGet, "/api/admin/users"},
	}
	for _, endpoint := range paths {
		recorder := env.request(t, endpoint.method, endpoint.path, env.memberToken(t), map[string]any{"email": "x@example.com"})
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("%s %s = %d", endpoint.method, endpoint.path, recorder.Code)
		}
	}
}

func TestAddAndListAllowedEmails(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	added := env.request(t, http.MethodPost, "/api/admin/allowed-emails", token, map[string]string{
		"email": "New.Person@Example.COM",
	})
	if added.Code != http.StatusCreated {
		t.Fatalf("add = %d body = %s", added.Code, added.Body.String())
	}
	entry := decodeBody(t, added)["data"].(map[string]any)
	if entry["email"] != "new.person@example.com" {
		t.Fatalf("email not normalized: %v", entry["email"])
	}
	if entry["role"] != "user" {
		t.Fatalf("default role = %v", entry["role"])
	}
	if entry["addedBy"] != testAdminEmail {
		t.Fatalf("attribution = %v", entry["addedBy"])
	}

	listed := env.request(t, http.MethodGet, "/api/admin/allowed-emails", token, nil)
	data, ok := decodeBody(t, listed)["data"].([]any)
	if !ok || len(data) != 3 {
		t.Fatalf("allowlist = %v", decodeBody(t, listed)["data"])
	}
}

func TestAddAllowedEmailRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodPost, "/api/admin/allowed-emails", env.adminToken(t), map[string]string{
		"email": "new@example.com",
		"role":  "superuser",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestAddDuplicateAllowedEmailConflict(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodPost, "/api/admin/allowed-emails", env.adminToken(t), map[string]string{
		"email": testMemberEmail,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestRemoveAllowedEmailSelfRejected(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodDelete, "/api/admin/allowed-emails/"+testAdminEmail, env.adminToken(t), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestRemoveUnknownAllowedEmailNotFound(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodDelete, "/api/admin/allowed-emails/ghost@example.com", env.adminToken(t), nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestListUsersOmitsPasswordHash(t *testing.T) {
	env := newTestEnv(t)

	register := map[string]string{
		"email":    testMemberEmail,
		"name":     "Member",
		"password": "correct-horse",
	}
	if recorder := env.request(t, http.MethodPost, "/api/auth/register", "", register); recorder.Code != http.StatusCreated {
		t.Fatalf("register = %d", recorder.Code)
	}

	listed := env.request(t, http.MethodGet, "/api/admin/users", env.adminToken(t), nil)
	if listed.Code != http.StatusOK {
		t.Fatalf("list = %d", listed.Code)
	}
	data, ok := decodeBody(t, listed)["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("users = %v", decodeBody(t, listed)["data"])
	}
	user := data[0].(map[string]any)
	if user["email"] != testMemberEmail {
		t.Fatalf("user = %v", user)
	}
	if _, leaked := user["passwordHash"]; leaked {
		t.Fatal("password hash leaked")
	}
}
