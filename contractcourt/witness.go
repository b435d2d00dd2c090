package contractcourt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/txbuilder"
)

// ErrNotCountersigned is returned when a template lacks a signature needed
// by its witness.
var ErrNotCountersigned = errors.New("template is not countersigned")

// resolveWitness fills the placeholders of a signed template's witness. The
// local party's signature replaces {signSelf}, the stored counterparty
// signature {signOther} and the script push of the observed height
// {blockheight_script}.
func (b *BreachArbitrator) resolveWitness(tx *channeldb.SignedTx,
	localIsFounder bool, observedHeight uint32) (string, error) {

	if !tx.IsCountersigned() {
		return "", fmt.Errorf("%w: %v", ErrNotCountersigned, tx.Kind)
	}

	self, other := tx.FounderSig, tx.PartnerSig
	if !localIsFounder {
		self, other = other, self
	}

	witness := tx.Template.Witness
	replacements := []string{
		txbuilder.SignSelf, hex.EncodeToString(self),
		txbuilder.SignOther, hex.EncodeToString(other),
	}
	if strings.Contains(witness, txbuilder.BlockHeightScript) {
		script, err := b.cfg.ChainIO.BlockheightToScript(
			observedHeight,
		)
		if err != nil {
			return "", err
		}
		replacements = append(
			replacements, txbuilder.BlockHeightScript,
			hex.EncodeToString(script),
		)
	}

	return strings.NewReplacer(replacements...).Replace(witness), nil
}
