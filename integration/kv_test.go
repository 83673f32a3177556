package integration_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epokhe/caskdb/cmd/remote"
)

var _ = Describe("Key/value operations over RPC", func() {
	Context("When a key is stored", func() {
		It("Should return the stored value", func() {
			client := dial()
			defer client.Close()

			var reply struct{}
			err := client.Call("DB.Put", &remote.PutArgs{Key: "greeting", Val: "hello"}, &reply)
			Expect(err).ToNot(HaveOccurred())

			var val string
			err = client.Call("DB.Get", &remote.GetArgs{Key: "greeting"}, &val)
			Expect(err).ToNot(HaveOccurred())
			Expect(val).To(Equal("hello"))
		})

		It("Should overwrite on a second put", func() {
			client := dial()
			defer client.Close()

			var reply struct{}
			Expect(client.Call("DB.Put", &remote.PutArgs{Key: "counter", Val: "1"}, &reply)).To(Succeed())
			Expect(client.Call("DB.Put", &remote.PutArgs{Key: "counter", Val: "2"}, &reply)).To(Succeed())

			var val string
			Expect(client.Call("DB.Get", &remote.GetArgs{Key: "counter"}, &val)).To(Succeed())
			Expect(val).To(Equal("2"))
		})
	})

	Context("When a key does not exist", func() {
		It("Should return the empty string", func() {
			client := dial()
			defer client.Close()

			var val string
			err := client.Call("DB.Get", &remote.GetArgs{Key: "no-such-key"}, &val)
			Expect(err).ToNot(HaveOccurred())
			Expect(val).To(Equal(""))
		})

		It("Should report false on delete", func() {
			client := dial()
			defer client.Close()

			var existed bool
			err := client.Call("DB.Delete", &remote.DeleteArgs{Key: "no-such-key"}, &existed)
			Expect(err).ToNot(HaveOccurred())
			Expect(existed).To(BeFalse())
		})
	})

	Context("When a key is deleted", func() {
		It("Should report true and then read back empty", func() {
			client := dial()
			defer client.Close()

			var reply struct{}
			Expect(client.Call("DB.Put", &remote.PutArgs{Key: "doomed", Val: "x"}, &reply)).To(Succeed())

			var existed bool
			Expect(client.Call("DB.Delete", &remote.DeleteArgs{Key: "doomed"}, &existed)).To(Succeed())
			Expect(existed).To(BeTrue())

			var val string
			Expect(client.Call("DB.Get", &remote.GetArgs{Key: "doomed"}, &val)).To(Succeed())
			Expect(val).To(Equal(""))

			Expect(client.Call("DB.Delete", &remote.DeleteArgs{Key: "doomed"}, &existed)).To(Succeed())
			Expect(existed).To(BeFalse())
		})
	})
})
