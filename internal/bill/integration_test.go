package bill

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Integration", func() {
	var (
		db        *BoltDB
		store     *LocalStorage
		extractor *mockExtractor
		transport *mockTransport
		server    *Server
		ghServer  *ghttp.Server
	)

	const token = "integration-secret"

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()
		ghServer = ghttp.NewServer()

		var err error
		db, err = NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = NewLocalStorage(filepath.Join(tempDir, "uploads"), ghServer.URL(), []byte("signing-secret"))
		Expect(err).NotTo(HaveOccurred())

		extractor = newMockExtractor()
		transport = newMockTransport()

		intake := NewIntake(db, store, 10*time.Minute)
		notifier := NewNotifier(db, transport)
		processor := NewProcessor(db, store, extractor, notifier)
		server = NewServer(intake, processor, BearerAuth{Token: token}, store)
	})

	AfterEach(func() {
		if server != nil {
			Expect(server.Shutdown(context.Background())).To(Succeed())
		}
		if ghServer != nil {
			ghServer.Close()
		}
		if db != nil {
			db.Close()
		}
	})

	postJSON := func(path string, body any, authorized bool) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		req, err := http.NewRequest(http.MethodPost, ghServer.URL()+path, bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if authorized {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("should issue a URL, accept the upload, process it once and notify the uploader", func() {
		// One handler per request
		ghServer.AppendHandlers(
			server.ServeHTTP, // bill_url
			server.ServeHTTP, // upload
			server.ServeHTTP, // process
			server.ServeHTTP, // process again
		)

		// --- Step 1: Request an upload URL ---
		resp := postJSON("/api/bill_url", map[string]string{"connectionId": "conn-1", "fileExtension": "png"}, false)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var target UploadTarget
		Expect(json.NewDecoder(resp.Body).Decode(&target)).To(Succeed())
		resp.Body.Close()
		Expect(target.FileName).To(MatchRegexp(`^upload_[0-9a-f-]+\.png$`))
		Expect(target.UploadURL).To(HavePrefix(ghServer.URL() + "/uploads/" + target.FileName))

		records, err := db.FindByFileKey(context.Background(), target.FileName)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Status).To(Equal(StatusPending))

		// --- Step 2: Upload the image against the signed URL ---
		req, err := http.NewRequest(http.MethodPut, target.UploadURL, bytes.NewReader([]byte("png bytes")))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "image/png")
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		// --- Step 3: Process ---
		resp = postJSON("/api/process_image", map[string]string{"fileName": target.FileName}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var first processResponse
		Expect(json.NewDecoder(resp.Body).Decode(&first)).To(Succeed())
		resp.Body.Close()
		Expect(first.Status).To(Equal("success"))
		Expect(first.Results.Analysis.LineItems).To(HaveLen(2))

		Expect(transport.delivered).To(HaveKey("conn-1"))
		Expect(string(transport.delivered["conn-1"])).To(ContainSubstring(`"type":"processed_data"`))

		records, err = db.FindByFileKey(context.Background(), target.FileName)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Status).To(Equal(StatusProcessed))

		// --- Step 4: Process again ---
		resp = postJSON("/api/process_image", map[string]string{"fileName": target.FileName}, true)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var second processResponse
		Expect(json.NewDecoder(resp.Body).Decode(&second)).To(Succeed())
		resp.Body.Close()
		Expect(second.Message).To(Equal("File already processed"))
		Expect(second.Results.FileName).To(Equal(target.FileName))
		Expect(extractor.calls).To(Equal(1))
	})

	It("should notify the uploader after the upload alone when processing on upload", func() {
		server.ProcessOnUpload()
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP, server.ServeHTTP)

		resp := postJSON("/api/bill_url", map[string]string{"connectionId": "conn-1", "fileExtension": "png"}, false)
		var target UploadTarget
		Expect(json.NewDecoder(resp.Body).Decode(&target)).To(Succeed())
		resp.Body.Close()

		req, err := http.NewRequest(http.MethodPut, target.UploadURL, bytes.NewReader([]byte("png bytes")))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "image/png")
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		Eventually(func() string {
			return string(transport.payloadFor("conn-1"))
		}).Should(ContainSubstring(`"fileName":"` + target.FileName + `"`))
		Expect(server.Shutdown(context.Background())).To(Succeed())

		records, err := db.FindByFileKey(context.Background(), target.FileName)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].Status).To(Equal(StatusProcessed))

		// A later object-created trigger for the same file replays
		resp = postJSON("/api/process_image", map[string]string{"fileName": target.FileName}, true)
		var replay processResponse
		Expect(json.NewDecoder(resp.Body).Decode(&replay)).To(Succeed())
		resp.Body.Close()
		Expect(replay.Message).To(Equal("File already processed"))
		Expect(extractor.callCount()).To(Equal(1))
	})

	It("should keep the result when the uploader has disconnected", func() {
		ghServer.AppendHandlers(server.ServeHTTP, server.ServeHTTP)

		resp := postJSON("/api/bill_url", map[string]string{"connectionId": "conn-1", "fileExtension": "jpg"}, false)
		var target UploadTarget
		Expect(json.NewDecoder(resp.Body).Decode(&target)).To(Succeed())
		resp.Body.Close()

		Expect(store.Save(target.FileName, []byte("jpg bytes"))).To(Succeed())
		transport.gone["conn-1"] = true

		resp = postJSON("/api/process_image", map[string]string{"fileName": target.FileName}, true)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		records, err := db.FindByFileKey(context.Background(), target.FileName)
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(1))
		Expect(records[0].ID).NotTo(Equal("conn-1"))
		Expect(records[0].Placeholder).To(BeTrue())
		Expect(records[0].Status).To(Equal(StatusProcessed))
	})

	It("should refuse to process without the token", func() {
		ghServer.AppendHandlers(server.ServeHTTP)

		resp := postJSON("/api/process_image", map[string]string{"fileName": "upload_x.png"}, false)
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(strings.ToLower(resp.Header.Get("Content-Type"))).To(ContainSubstring("application/json"))
		Expect(extractor.calls).To(BeZero())
	})
})
