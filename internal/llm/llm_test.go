package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestHTTPClientComplete(t *testing.T) {
	Convey("Given a server that echoes a chat completion", t, func() {
		var gotAuth, gotSystem, gotUser string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			var req chatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotSystem = req.Messages[0].Content
			gotUser = req.Messages[1].Content
			_ = json.NewEncoder(w).Encode(chatResponse{Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "ok"}}}})
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "secret-key", time.Second)
		out, err := c.Complete(context.Background(), "system prompt", "user prompt")

		Convey("it returns the completion and sends the expected request", func() {
			So(err, ShouldBeNil)
			So(out, ShouldEqual, "ok")
			So(gotAuth, ShouldEqual, "Bearer secret-key")
			So(gotSystem, ShouldEqual, "system prompt")
			So(gotUser, ShouldEqual, "user prompt")
		})
	})

	Convey("Given a server that returns a non-2xx status", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "", time.Second)
		_, err := c.Complete(context.Background(), "s", "u")

		Convey("Complete returns an error", func() {
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a server that never responds within the timeout", t, func() {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			close(block)
		}))
		defer srv.Close()

		c := NewHTTPClient(srv.URL, "", 10*time.Millisecond)
		_, err := c.Complete(context.Background(), "s", "u")

		Convey("Complete returns a timeout error", func() {
			So(err, ShouldNotBeNil)
		})
	})
}
