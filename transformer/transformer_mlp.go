package transformer

import (
	"math/rand/v2"

	"github.com/RockAfeller2013/mygpt/utils"
	"gonum.org/v1/gonum/mat"
)

// MLP is the position-wise feed-forward block: d -> 4d -> GELU -> d -> dropout.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	Dropout                   float64
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense

	// accumulated grads
	GHiddenW, GHiddenB *mat.Dense
	GOutputW, GOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs, dropMask *mat.Dense
}

func NewMLP(dModel int, dropout float64, rng *rand.Rand) *MLP {
	hidden := 4 * dModel
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		Dropout:       dropout,
		HiddenWeights: mat.NewDense(hidden, dModel, utils.RandomNormal(hidden*dModel, initStd, rng)),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(dModel, hidden, utils.RandomNormal(dModel*hidden, initStd, rng)),
		OutputBias:    mat.NewDense(dModel, 1, nil),

		GHiddenW: mat.NewDense(hidden, dModel, nil),
		GHiddenB: mat.NewDense(hidden, 1, nil),
		GOutputW: mat.NewDense(dModel, hidden, nil),
		GOutputB: mat.NewDense(dModel, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.Dot(mlp.HiddenWeights, X)                // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias) // (h x T)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct)
	finalLin := utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs) // (d x T)
	out := utils.AddBias(finalLin, mlp.OutputBias)              // (d x T)

	mlp.dropMask = nil
	if train && mlp.Dropout > 0 {
		_, T := X.Dims()
		mlp.dropMask = utils.DropoutMask(mlp.Outputs, T, mlp.Dropout, rng)
		utils.ApplyMask(out, mlp.dropMask)
	}
	return out
}

// Backward accumulates weight/bias grads and returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	dX, dWhid, dbHidden, dWout, dbOut := mlp.BackwardGradsOnly(grad)
	mlp.GHiddenW.Add(mlp.GHiddenW, dWhid)
	mlp.GHiddenB.Add(mlp.GHiddenB, dbHidden)
	mlp.GOutputW.Add(mlp.GOutputW, dWout)
	mlp.GOutputB.Add(mlp.GOutputB, dbOut)
	return dX
}

func (mlp *MLP) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	if mlp.dropMask != nil {
		grad = utils.Multiply(grad, mlp.dropMask)
	}

	dWout = utils.Dot(grad, mlp.hiddenOutputs.T())
	// sum gradients over time for biases
	dbOut = mat.NewDense(mlp.Outputs, 1, nil)
	utils.AddRowSums(dbOut, grad)

	hiddenGradOut := utils.Dot(mlp.OutputWeights.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct))

	dWhid = utils.Dot(hiddenErrors, mlp.lastInput.T())
	dbHidden = mat.NewDense(mlp.Hiddens, 1, nil)
	utils.AddRowSums(dbHidden, hiddenErrors)

	dX = utils.Dot(mlp.HiddenWeights.T(), hiddenErrors)
	return dX, dWhid, dbHidden, dWout, dbOut
}
