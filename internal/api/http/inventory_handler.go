package http

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/service"
)

type importBody struct {
	FileName string             `json:"file_name"`
	Rows     []domain.ImportRow `json:"rows"`
}

type stockView struct {
	ProductID int64               `json:"product_id"`
	Counts    domain.StockSummary `json:"counts"`
	Total     int                 `json:"total"`
}

// ImportUnits accepts either a multipart CSV upload in the "file" field or a
// JSON body of rows.
func (h *Handler) ImportUnits(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	req := service.ImportRequest{TenantID: c.tenantID, ProductID: productID, ImportedBy: c.userID}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			writeError(w, r, uploadError(err))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, domain.NewValidationError("file", "a CSV file is required"))
			return
		}
		defer file.Close()

		rows, err := service.ParseImportCSV(file)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.FileName, req.Rows = header.Filename, rows
	} else {
		var body importBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		req.FileName, req.Rows = body.FileName, body.Rows
	}
	if req.FileName == "" {
		req.FileName = "manual"
	}

	result, err := h.inventory.ImportUnits(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) StockSummary(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := h.inventory.StockSummary(r.Context(), c.tenantID, productID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockView{ProductID: productID, Counts: summary, Total: summary.Total()})
}

// DeleteUnit removes an AVAILABLE unit; anything else is a conflict.
func (h *Handler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	c, err := callerFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	unitID, err := pathID(r, "unitID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.inventory.DeleteUnit(r.Context(), c.tenantID, unitID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadError keeps the size limit visible through multipart parsing.
func uploadError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return maxBytes
	}
	if errors.Is(err, multipart.ErrMessageTooLarge) {
		return &http.MaxBytesError{}
	}
	return domain.NewValidationError("file", "malformed multipart upload")
}
