package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

// tinyPNG returns a 2x2 PNG image
func tinyPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
		result    *Result
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor, err = NewOllama(server.URL(), "qwen2-vl:7b", 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		result, err = extractor.Extract(context.Background(), tinyPNG(), "image/png")
	})

	When("the model answers with a bill", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("qwen2-vl:7b"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Content).To(Equal(billExtractionPrompt))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: "```json\n{\"line_items\": [{\"item_name\": \"Dosa\", \"quantity\": 1, \"rate\": 90, \"amount\": 90}], \"total_discounts\": 0, \"total_taxes\": 4.5}\n```",
					},
					Done: true,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should parse the bill", func() {
			Expect(result.Failed()).To(BeFalse())
			Expect(result.LineItems).To(HaveLen(1))
			Expect(result.LineItems[0].ItemName).To(Equal("Dosa"))
			Expect(result.TotalTaxes).To(Equal(Number(4.5)))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "Sorry, I cannot help with that."},
				Done:    true,
			}))
		})

		It("should return a failure-marked result instead of an error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Failed()).To(BeTrue())
			Expect(result.RawText).To(Equal("Sorry, I cannot help with that."))
		})
	})

	When("the API fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("should return an inference error", func() {
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, ErrInference)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("model not loaded"))
		})
	})
})

var _ = Describe("prepareImageData", func() {
	It("should pass PNG through untouched", func() {
		data := tinyPNG()
		out, err := prepareImageData(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should reject data that is not an image", func() {
		_, err := prepareImageData([]byte("definitely not an image"), "image/jpeg")
		Expect(err).To(HaveOccurred())
	})

	It("should detect HEIC by its ftyp brand", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00"))).To(BeFalse())
	})

	It("should detect TIFF by its byte order mark", func() {
		Expect(isTIFFFormat([]byte("II*\x00rest"))).To(BeTrue())
		Expect(isTIFFFormat([]byte("MM\x00*rest"))).To(BeTrue())
		Expect(isTIFFFormat([]byte("GIF89a"))).To(BeFalse())
	})
})
