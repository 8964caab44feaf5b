package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kasirbuku/backend/internal/domain"
)

func (a *API) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := a.service.ListSources(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (a *API) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req domain.SourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := a.service.CreateSource(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"source": source})
}

func (a *API) handleGetSource(w http.ResponseWriter, r *http.Request) {
	source, err := a.service.GetSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source})
}

func (a *API) handleRenameSource(w http.ResponseWriter, r *http.Request) {
	var req domain.SourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := a.service.RenameSource(r.Context(), chi.URLParam(r, "sourceID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source})
}

func (a *API) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteSource(r.Context(), chi.URLParam(r, "sourceID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSourceAccess(w http.ResponseWriter, r *http.Request) {
	perms, err := a.service.ListSourceAccess(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": perms})
}

func (a *API) handleGrantSourceAccess(w http.ResponseWriter, r *http.Request) {
	var req domain.SourceAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	perm, err := a.service.GrantSourceAccess(r.Context(), chi.URLParam(r, "sourceID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": perm})
}

func (a *API) handleRevokeSourceAccess(w http.ResponseWriter, r *http.Request) {
	err := a.service.RevokeSourceAccess(r.Context(), chi.URLParam(r, "sourceID"), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 200)
	sessions, err := a.service.ListSessions(r.Context(), chi.URLParam(r, "sourceID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.StartSession(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.SessionResponse{Session: session})
}

// handleActiveSession answers {"session": null} when nothing is open.
func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.GetActiveSession(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := domain.SessionResponse{Session: session}
	if session != nil {
		totals, err := a.service.ComputeTotals(r.Context(), session.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp.Totals = totals
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := a.service.ComputeTotals(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.CloseSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SessionResponse{Session: session})
}

func (a *API) handleReconcileSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.ReconcileSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SessionResponse{Session: session})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleListBills(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseDayParam(r, "from")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	to, err := parseDayParam(r, "to")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !to.IsZero() {
		to = to.AddDate(0, 0, 1)
	}

	bills, err := a.service.ListBills(r.Context(), domain.BillFilter{
		SourceID:  chi.URLParam(r, "sourceID"),
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Status:    strings.TrimSpace(query.Get("status")),
		From:      from,
		To:        to,
		Limit:     parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bills": bills})
}

func (a *API) handleGetBill(w http.ResponseWriter, r *http.Request) {
	bill, err := a.service.GetBill(r.Context(), chi.URLParam(r, "billID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleSetBillStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.BillStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bill, err := a.service.SetBillStatus(r.Context(), chi.URLParam(r, "billID"), req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

func (a *API) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bill, err := a.service.RecordPayment(r.Context(), chi.URLParam(r, "billID"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bill": bill})
}

// handleDeleteBills needs the manager PIN on top of source ownership.
func (a *API) handleDeleteBills(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}

	var req domain.BillDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager PIN"))
		return
	}

	deleted, err := a.service.DeleteBills(r.Context(), chi.URLParam(r, "sourceID"), req.IDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (a *API) handleBillReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.BuildBillReceipt(r.Context(), chi.URLParam(r, "billID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
