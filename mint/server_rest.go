package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut03"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/cashu/nuts/nut07"
	"github.com/elnosh/mintd/mint/metrics"
	"github.com/elnosh/mintd/mint/storage"
)

// RESTServer exposes the NUT-01/02/03/04/05/06/07 HTTP API over the engine.
// It carries no protocol logic of its own: it decodes a request, calls the
// Mint, and writes back whatever the engine returned.
type RESTServer struct {
	httpServer *http.Server
	mint       *Mint
}

func NewRESTServer(m *Mint, addr string) *RESTServer {
	s := &RESTServer{mint: m}

	r := mux.NewRouter()
	r.HandleFunc("/v1/keys", metrics.Instrument("keys", s.getKeys)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{keyset_id}", metrics.Instrument("keys_by_id", s.getKeysById)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", metrics.Instrument("keysets", s.getKeysets)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/swap", metrics.Instrument("swap", s.swap)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}", metrics.Instrument("mint_quote", s.mintQuote)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", metrics.Instrument("mint_quote_state", s.mintQuoteState)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/{method}", metrics.Instrument("mint", s.mint_)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}", metrics.Instrument("melt_quote", s.meltQuote)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", metrics.Instrument("melt_quote_state", s.meltQuoteState)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/{method}", metrics.Instrument("melt", s.melt)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", metrics.Instrument("check_state", s.checkState)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/restore", metrics.Instrument("restore", s.restore)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/info", metrics.Instrument("info", s.info)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Use(setupHeaders)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *RESTServer) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func writeJSON(rw http.ResponseWriter, v any) {
	response, err := json.Marshal(v)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Write(response)
}

// writeError maps a cashu.Error to the standard 400 this API uses for every
// request-level rejection; a cashu.Error carrying one of the internal-origin
// codes (db, liquidity backend, signer) and any other error are treated as
// an internal fault and answered with a 500 under StandardErrCode.
// Engine code returns cashu.Error both by value (the prebuilt sentinels) and
// by pointer (BuildCashuError), so both are checked.
func writeError(rw http.ResponseWriter, err error) {
	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	found := errors.As(err, &cashuErrPtr)
	if found {
		cashuErr = *cashuErrPtr
	} else {
		found = errors.As(err, &cashuErr)
	}

	if found {
		switch cashuErr.Code {
		case cashu.DBErrCode, cashu.LiquidityBackendErrCode, cashu.SignerErrCode:
		default:
			rw.WriteHeader(http.StatusBadRequest)
			writeJSON(rw, cashuErr)
			return
		}
	}

	rw.WriteHeader(http.StatusInternalServerError)
	writeJSON(rw, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.Split(ct, ";")[0])
		if mediaType != "application/json" {
			return cashu.BuildCashuError("Content-Type header is not application/json", cashu.StandardErrCode)
		}
	}

	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			return cashu.BuildCashuError(fmt.Sprintf("bad json at %d", syntaxErr.Offset), cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			return cashu.BuildCashuError(fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field), cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.BuildCashuError("request body cannot be empty", cashu.StandardErrCode)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return cashu.BuildCashuError(fmt.Sprintf("request body contains unknown field %s", field), cashu.StandardErrCode)
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}
	return nil
}

func (s *RESTServer) getKeys(rw http.ResponseWriter, req *http.Request) {
	resp, err := s.mint.GetKeys()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, resp)
}

func (s *RESTServer) getKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["keyset_id"]
	resp, err := s.mint.GetKeysById(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, resp)
}

func (s *RESTServer) getKeysets(rw http.ResponseWriter, req *http.Request) {
	resp, err := s.mint.GetKeysets()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, resp)
}

func (s *RESTServer) swap(rw http.ResponseWriter, req *http.Request) {
	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		writeError(rw, err)
		return
	}

	sigs, err := s.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, nut03.PostSwapResponse{Signatures: sigs})
}

func (s *RESTServer) mintQuote(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	var quoteReq nut04.PostMintQuoteRequest
	if err := decodeJsonReqBody(req, &quoteReq); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := s.mint.RequestMintQuote(method, quoteReq.Amount, quoteReq.Unit)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, mintQuoteResponse(quote))
}

func (s *RESTServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quote, err := s.mint.GetMintQuoteState(vars["method"], vars["quote_id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, mintQuoteResponse(quote))
}

func mintQuoteResponse(q storage.MintQuote) nut04.PostMintQuoteResponse {
	return nut04.PostMintQuoteResponse{
		Quote:   q.Id,
		Request: q.PaymentRequest,
		State:   q.State,
		Expiry:  int64(q.Expiry),
	}
}

func (s *RESTServer) mint_(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	var mintReq nut04.PostMintRequest
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		writeError(rw, err)
		return
	}

	sigs, err := s.mint.MintTokens(method, mintReq.Quote, mintReq.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, nut04.PostMintResponse{Signatures: sigs})
}

func (s *RESTServer) meltQuote(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	var quoteReq nut05.PostMeltQuoteRequest
	if err := decodeJsonReqBody(req, &quoteReq); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := s.mint.RequestMeltQuote(method, quoteReq.Request, quoteReq.Unit)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, meltQuoteResponse(quote))
}

func (s *RESTServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	quote, err := s.mint.GetMeltQuoteState(req.Context(), vars["method"], vars["quote_id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, meltQuoteResponse(quote))
}

func meltQuoteResponse(q storage.MeltQuote) nut05.PostMeltQuoteResponse {
	return nut05.PostMeltQuoteResponse{
		Quote:      q.Id,
		Amount:     q.Amount,
		FeeReserve: q.FeeReserve,
		State:      q.State,
		Expiry:     int64(q.Expiry),
	}
}

func (s *RESTServer) melt(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	var meltReq nut05.PostMeltRequest
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := s.mint.MeltTokens(req.Context(), method, meltReq.Quote, meltReq.Inputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, nut05.PostMeltResponse{State: quote.State, Preimage: quote.Preimage})
}

func (s *RESTServer) checkState(rw http.ResponseWriter, req *http.Request) {
	var stateReq nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateReq); err != nil {
		writeError(rw, err)
		return
	}

	states, err := s.mint.ProofsStateCheck(stateReq.Ys)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, nut07.PostCheckStateResponse{States: states})
}

func (s *RESTServer) restore(rw http.ResponseWriter, req *http.Request) {
	var restoreReq struct {
		Outputs cashu.BlindedMessages `json:"outputs"`
	}
	if err := decodeJsonReqBody(req, &restoreReq); err != nil {
		writeError(rw, err)
		return
	}

	outputs, signatures, err := s.mint.RestoreSignatures(restoreReq.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, struct {
		Outputs    cashu.BlindedMessages   `json:"outputs"`
		Signatures cashu.BlindedSignatures `json:"signatures"`
	}{Outputs: outputs, Signatures: signatures})
}

func (s *RESTServer) info(rw http.ResponseWriter, req *http.Request) {
	info, err := s.mint.NodeInfo()
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, info)
}
