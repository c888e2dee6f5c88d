package cloud

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/billscan/internal/bill"
)

// mockS3 is a mock implementation of the S3 client and presigner
type mockS3 struct {
	objects    map[string]string
	getErr     error
	presignErr error
	putInput   *s3.PutObjectInput
	expires    time.Duration
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	body, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (m *mockS3) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	m.putInput = params
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	m.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    "https://bills.s3.amazonaws.com/" + aws.ToString(params.Key) + "?X-Amz-Signature=abc",
		Method: "PUT",
	}, nil
}

var _ = Describe("S3Store", func() {
	var (
		ctx    context.Context
		client *mockS3
		store  *S3Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockS3{objects: map[string]string{"upload_a.png": "png bytes"}}
		store = newS3Store(client, client, "bills")
	})

	Describe("PresignPut", func() {
		It("should sign a PUT for the bucket, key and content type", func() {
			url, err := store.PresignPut(ctx, "upload_a.png", "image/png", 30*time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(url).To(HavePrefix("https://bills.s3.amazonaws.com/upload_a.png"))
			Expect(aws.ToString(client.putInput.Bucket)).To(Equal("bills"))
			Expect(aws.ToString(client.putInput.ContentType)).To(Equal("image/png"))
			Expect(client.expires).To(Equal(30 * time.Minute))
		})

		It("should wrap presign errors", func() {
			client.presignErr = errors.New("no credentials")
			_, err := store.PresignPut(ctx, "upload_a.png", "image/png", time.Minute)
			Expect(err).To(MatchError(ContainSubstring("no credentials")))
		})
	})

	Describe("Get", func() {
		It("should return the object body", func() {
			data, err := store.Get(ctx, "upload_a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png bytes"))
		})

		It("should map a missing key to ErrNotFound", func() {
			_, err := store.Get(ctx, "upload_missing.png")
			Expect(errors.Is(err, bill.ErrNotFound)).To(BeTrue())
		})

		It("should pass other errors through", func() {
			client.getErr = errors.New("throttled")
			_, err := store.Get(ctx, "upload_a.png")
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, bill.ErrNotFound)).To(BeFalse())
		})
	})
})
