package wireguard

import (
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"loom/internal/models"
)

// GeneratePeer создаёт ключевой материал устройства для wireguard-шаблона.
// Вызывается ровно один раз на устройство (см. EnsureWGPeer): повторная
// генерация меняла бы контекст и, как следствие, checksum без причины.
func GeneratePeer(addressCIDR string) (*models.WireGuardPeer, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &models.WireGuardPeer{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
		AddressCIDR:  addressCIDR,
	}, nil
}
