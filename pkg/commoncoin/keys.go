package commoncoin

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

var ErrBadKey = errors.New("bad coin key material")

// suite is shared by every coin: signatures live in G1, public keys in G2.
var suite = bn256.NewSuite()

// Keys is one validator's share of the threshold coin plus the public commitments
// shared by every validator.
type Keys struct {
	Share     *share.PriShare
	Public    *share.PubPoly
	Threshold int
}

// GenerateKeys deals n shares of a fresh secret with reconstruction threshold t.
func GenerateKeys(n, t int) ([]*share.PriShare, *share.PubPoly, error) {
	if t < 1 || t > n {
		return nil, nil, fmt.Errorf("%w: threshold %d for %d validators", ErrBadKey, t, n)
	}
	priPoly := share.NewPriPoly(suite.G2(), t, nil, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly, nil
}

// EncodeShare renders a private share as hex: a big-endian index then the scalar.
func EncodeShare(s *share.PriShare) (string, error) {
	v, err := s.V.MarshalBinary()
	if err != nil {
		return "", err
	}
	b := make([]byte, 4, 4+len(v))
	binary.BigEndian.PutUint32(b, uint32(s.I))
	return common.Bytes2Hex(append(b, v...)), nil
}

func DecodeShare(h string) (*share.PriShare, error) {
	b := common.FromHex(h)
	if len(b) <= 4 {
		return nil, fmt.Errorf("%w: share too short", ErrBadKey)
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(b[4:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(b[:4])), V: v}, nil
}

// EncodeCommits renders the public polynomial commitments as hex strings.
func EncodeCommits(p *share.PubPoly) ([]string, error) {
	_, commits := p.Info()
	out := make([]string, 0, len(commits))
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, common.Bytes2Hex(b))
	}
	return out, nil
}

func DecodeCommits(hexCommits []string) (*share.PubPoly, error) {
	if len(hexCommits) == 0 {
		return nil, fmt.Errorf("%w: no commitments", ErrBadKey)
	}
	commits := make([]kyber.Point, 0, len(hexCommits))
	for i, h := range hexCommits {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(common.FromHex(h)); err != nil {
			return nil, fmt.Errorf("%w: commitment %d: %v", ErrBadKey, i, err)
		}
		commits = append(commits, p)
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// DecodeKeys builds Keys from configuration strings. The threshold is the
// number of commitments.
func DecodeKeys(shareHex string, commitsHex []string) (*Keys, error) {
	s, err := DecodeShare(shareHex)
	if err != nil {
		return nil, err
	}
	pub, err := DecodeCommits(commitsHex)
	if err != nil {
		return nil, err
	}
	if !pub.Check(s) {
		return nil, fmt.Errorf("%w: share %d does not match commitments", ErrBadKey, s.I)
	}
	return &Keys{Share: s, Public: pub, Threshold: pub.Threshold()}, nil
}
