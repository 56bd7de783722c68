// Copyright 2025 AiQutePets Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package partner_test

import (
	"encoding/base64"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/aiqutepets/toycloud/partner"
)

type cryptoSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&cryptoSuite{})

func (s *cryptoSuite) TestRoundTrip(c *gc.C) {
	for _, plain := range []string{
		`{"result":1,"status":2}`,
		"",
		"x",
		"exactly sixteen!",
		`{"result":1,"message":"设备不存在"}`,
	} {
		sealed, err := partner.EncryptBody([]byte(plain))
		c.Assert(err, jc.ErrorIsNil)
		opened, err := partner.DecryptBody(sealed)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(string(opened), gc.Equals, plain)
	}
}

func (s *cryptoSuite) TestCiphertextIsBase64(c *gc.C) {
	sealed, err := partner.EncryptBody([]byte(`{"result":1}`))
	c.Assert(err, jc.ErrorIsNil)
	_, err = base64.StdEncoding.DecodeString(string(sealed))
	c.Check(err, jc.ErrorIsNil)
}

func (s *cryptoSuite) TestDecryptRejectsGarbage(c *gc.C) {
	_, err := partner.DecryptBody([]byte("not base64 at all!!"))
	c.Check(err, gc.NotNil)
}

func (s *cryptoSuite) TestDecryptRejectsShortBlock(c *gc.C) {
	// Valid base64, but not a whole AES block.
	short := base64.StdEncoding.EncodeToString([]byte("abc"))
	_, err := partner.DecryptBody([]byte(short))
	c.Check(err, gc.NotNil)
}
