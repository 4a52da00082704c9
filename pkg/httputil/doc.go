// Package httputil holds the JSON response writers, query parsing and
// request-scoped middleware shared by the HTTP packages.
//
// Every error body has the shape {"error": "<message>"}:
//
//	httputil.WriteForbidden(w, denied.Error())
//	httputil.WriteBadRequest(w, "invalid JSON")
//	httputil.WriteJSONOrError(w, http.StatusOK, page, "failed to encode history")
//
// Middleware compose with Chain; the first argument runs outermost:
//
//	httputil.Chain(
//		httputil.LoggingMiddleware(logger),
//		httputil.CORSMiddleware(origins),
//		httputil.MaxBytesMiddleware(1<<20),
//		httputil.ContentTypeMiddleware,
//	)(router)
package httputil
