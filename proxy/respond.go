package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const errorPageTemplate = `<!DOCTYPE html>
<html>
<head>
    <title>%[1]d %[2]s</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
        h1 { color: #d9534f; }
    </style>
</head>
<body>
    <h1>%[1]d %[2]s</h1>
    <p>%[3]s</p>
</body>
</html>`

// writeResponse sends a complete Content-Length framed response. Every
// response the proxy originates closes the connection afterwards.
func writeResponse(w io.Writer, status int, header Header, body []byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	header = append(header,
		HeaderField{"Content-Length", strconv.Itoa(len(body))},
		HeaderField{"Connection", "close"},
	)
	if _, err := header.WriteTo(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	bw.Write(body)
	return bw.Flush()
}

func (p *Proxy) sendError(w io.Writer, err error) {
	status := statusFor(err)
	page := fmt.Sprintf(errorPageTemplate, status, http.StatusText(status), html.EscapeString(err.Error()))

	header := Header{{"Content-Type", "text/html; charset=utf-8"}}
	if status == http.StatusUnauthorized {
		header.Add("Proxy-Authenticate", `Basic realm="proxy"`)
	}
	if werr := writeResponse(w, status, header, []byte(page)); werr != nil {
		p.Logger.Debug("Failed to send error response", zap.Int("status", status), zap.Error(werr))
	}
}

func (p *Proxy) serveMetrics(w io.Writer) error {
	body, err := json.Marshal(p.metrics.Snapshot(p.opts.TopSites))
	if err != nil {
		return err
	}
	return writeResponse(w, http.StatusOK, Header{{"Content-Type", "application/json"}}, body)
}
