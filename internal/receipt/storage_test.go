package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			id   string
			data []byte
			err  error
		)

		BeforeEach(func() {
			id = "1AbC-file_id"
			data = []byte("%PDF-1.4 test")
		})

		JustBeforeEach(func() {
			err = storage.Save(id, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, id)).To(BeAnExistingFile())
			})

			It("leaves no temporary files behind", func() {
				entries, readErr := os.ReadDir(tmpDir)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})
		})

		When("the id contains a path separator", func() {
			BeforeEach(func() {
				id = "../escape"
			})

			It("returns ErrInvalidKey", func() {
				Expect(err).To(MatchError(ErrInvalidKey))
			})
		})
	})

	Describe("Get", func() {
		When("the document is cached", func() {
			BeforeEach(func() {
				Expect(storage.Save("r1", []byte("content"))).To(Succeed())
			})

			It("returns the content", func() {
				data, err := storage.Get("r1")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("content")))
			})
		})

		When("the document is missing", func() {
			It("returns ErrNotFound", func() {
				_, err := storage.Get("missing")
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("Delete", func() {
		It("removes a cached document", func() {
			Expect(storage.Save("r1", []byte("content"))).To(Succeed())
			Expect(storage.Delete("r1")).To(Succeed())
			Expect(filepath.Join(tmpDir, "r1")).NotTo(BeAnExistingFile())
		})

		It("ignores missing documents", func() {
			Expect(storage.Delete("missing")).To(Succeed())
		})
	})
})
