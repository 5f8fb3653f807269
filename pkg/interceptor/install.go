package interceptor

import (
	"net/http"
	"sync"
)

var installMu sync.Mutex

// Install activates recording on client. The first call wraps the client's
// transport; later calls on the same client return the Transport already
// installed and leave the client untouched.
func Install(client *http.Client, sink Sink, opts ...Option) *Transport {
	installMu.Lock()
	defer installMu.Unlock()

	if t, ok := client.Transport.(*Transport); ok {
		t.logger.Debug("Interceptor already installed, reusing it")
		return t
	}
	t := New(client.Transport, sink, opts...)
	client.Transport = t
	return t
}

// Uninstall restores the transport that was wrapped by Install. It reports
// whether an interceptor was removed.
func Uninstall(client *http.Client) bool {
	installMu.Lock()
	defer installMu.Unlock()

	t, ok := client.Transport.(*Transport)
	if !ok {
		return false
	}
	client.Transport = t.Base
	return true
}
