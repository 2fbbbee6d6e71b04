package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/discodeploy/disco/pkg/containers"
	"github.com/discodeploy/disco/pkg/disco"
)

// RunCGI spawns an ephemeral container that speaks RFC 3875 CGI over
// stdin/stdout: request metadata becomes environment variables, the
// request body becomes stdin, and the response is parsed back out of the
// header-block-then-body framing the CGI protocol defines.
func RunCGI(ctx context.Context, driver containers.Driver, spec containers.EphemeralSpec, r *http.Request, body []byte) (status int, headers http.Header, respBody []byte, err error) {
	env := map[string]string{
		"REQUEST_METHOD":    r.Method,
		"SCRIPT_NAME":       r.URL.Path,
		"PATH_INFO":         r.URL.Path,
		"QUERY_STRING":      r.URL.RawQuery,
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_PORT":       "80",
		"SERVER_SOFTWARE":   "Disco",
		"REMOTE_ADDR":       r.RemoteAddr,
		"CONTENT_LENGTH":    strconv.Itoa(len(body)),
		"CONTENT_TYPE":      r.Header.Get("Content-Type"),
		"GATEWAY_INTERFACE": "CGI/1.1",
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	for name, values := range r.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env[key] = strings.Join(values, ",")
	}
	spec.Env = env

	var stdout, stderr bytes.Buffer
	exitCode, runErr := driver.RunEphemeral(ctx, spec, bytes.NewReader(body), &stdout, &stderr, 0)
	if runErr != nil {
		return 0, nil, nil, runErr
	}
	if exitCode != 0 {
		return 0, nil, nil, disco.CgiResponseException(fmt.Sprintf("cgi process exited %d", exitCode), stderr.Bytes())
	}

	respStatus, respHeaders, respPayload, parseErr := parseCGIResponse(stdout.Bytes())
	if parseErr != nil {
		return 0, nil, nil, disco.CgiResponseException(parseErr.Error(), stdout.Bytes())
	}
	return respStatus, respHeaders, respPayload, nil
}

// parseCGIResponse splits the header block CGI scripts emit from the body
// that follows the first blank line, lifting an explicit Status: header
// when present (default 200), per RFC 3875 §6.
func parseCGIResponse(raw []byte) (int, http.Header, []byte, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	headers := http.Header{}
	status := 200
	for {
		line, readErr := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			return 0, nil, nil, fmt.Errorf("malformed cgi header line: %q", trimmed)
		}
		key, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if strings.EqualFold(key, "Status") {
			if fields := strings.Fields(value); len(fields) > 0 {
				if n, convErr := strconv.Atoi(fields[0]); convErr == nil {
					status = n
				}
			}
			continue
		}
		headers.Add(key, value)
		if readErr != nil {
			break
		}
	}
	rest, _ := io.ReadAll(reader)
	return status, headers, rest, nil
}
